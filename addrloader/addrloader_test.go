package addrloader

import (
	"compress/gzip"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadString(t *testing.T) {
	got := ReadString("  1.2.3.4:8080 \n\n5.6.7.8:1080\n   \n9.9.9.9:80", "\n")
	want := []Address{"1.2.3.4:8080", "5.6.7.8:1080", "9.9.9.9:80"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(path, []byte("1.1.1.1:80\n\n2.2.2.2:80\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	addrs, mtime, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %v", addrs)
	}
	if mtime.IsZero() {
		t.Fatal("expected non-zero mtime")
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, _, err := ReadFile(filepath.Join(t.TempDir(), "nope.txt"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadURL_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:8080\n5.6.7.8:1080\n"))
	}))
	defer srv.Close()

	addrs, err := ReadURL(context.Background(), srv.URL, URLOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %v", addrs)
	}
}

func TestReadURL_Gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("9.9.9.9:443\n"))
		gz.Close()
	}))
	defer srv.Close()

	addrs, err := ReadURL(context.Background(), srv.URL, URLOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != "9.9.9.9:443" {
		t.Fatalf("unexpected addrs: %v", addrs)
	}
}

func TestReadURL_RetriesThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := ReadURL(context.Background(), srv.URL, URLOptions{
		Retries:    2,
		SleepRange: [2]int{0, 0},
		Rng:        rand.New(rand.NewSource(1)),
		Timeout:    time.Second,
	})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}

func TestReadURL_RetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("1.1.1.1:1\n"))
	}))
	defer srv.Close()

	addrs, err := ReadURL(context.Background(), srv.URL, URLOptions{
		Retries:    5,
		SleepRange: [2]int{0, 0},
		Rng:        rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 {
		t.Fatalf("expected 1 address, got %v", addrs)
	}
}

func TestSlice_Apply(t *testing.T) {
	addrs := []Address{"a", "b", "c", "d", "e"}

	intp := func(v int) *int { return &v }

	cases := []struct {
		name  string
		slice *Slice
		want  []Address
	}{
		{"nil slice", nil, addrs},
		{"open end", &Slice{Start: intp(2)}, []Address{"c", "d", "e"}},
		{"open start", &Slice{Stop: intp(2)}, []Address{"a", "b"}},
		{"negative stop", &Slice{Stop: intp(-1)}, []Address{"a", "b", "c", "d"}},
		{"negative start", &Slice{Start: intp(-2)}, []Address{"d", "e"}},
		{"empty range", &Slice{Start: intp(3), Stop: intp(1)}, []Address{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.slice.Apply(addrs)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestNormalize_ForceScheme(t *testing.T) {
	addrs := []Address{"http://1.2.3.4:80", "5.6.7.8:1080", "socks5://9.9.9.9:1"}
	got := Normalize(addrs, NormalizeOptions{ForceScheme: "socks5"})
	want := []Address{"socks5://1.2.3.4:80", "socks5://5.6.7.8:1080", "socks5://9.9.9.9:1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNormalize_ShuffleIsDeterministicWithInjectedRng(t *testing.T) {
	addrs := []Address{"a", "b", "c", "d"}
	rng1 := rand.New(rand.NewSource(42))
	rng2 := rand.New(rand.NewSource(42))

	got1 := Normalize(addrs, NormalizeOptions{Shuffle: true, Rng: rng1})
	got2 := Normalize(addrs, NormalizeOptions{Shuffle: true, Rng: rng2})

	for i := range got1 {
		if got1[i] != got2[i] {
			t.Fatalf("same seed produced different shuffles: %v vs %v", got1, got2)
		}
	}
}
