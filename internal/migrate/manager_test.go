package migrate

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"

	"medguard.org/migrations"
)

func TestEmbeddedMigrationsAreContiguous(t *testing.T) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("iofs.New: %v", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	var versions []uint
	for {
		versions = append(versions, v)
		for _, read := range []func(uint) (io.ReadCloser, string, error){src.ReadUp, src.ReadDown} {
			r, ident, err := read(v)
			if err != nil {
				t.Fatalf("version %d: %v", v, err)
			}
			body, _ := io.ReadAll(r)
			r.Close()
			if strings.TrimSpace(string(body)) == "" {
				t.Fatalf("migration %d %s is empty", v, ident)
			}
		}
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			t.Fatalf("Next(%d): %v", v, err)
		}
		v = next
	}
	for i, got := range versions {
		if got != uint(i+1) {
			t.Fatalf("versions %v are not contiguous from 1", versions)
		}
	}
	if len(versions) < 3 {
		t.Fatalf("expected policy, audit and consent migrations, got %v", versions)
	}
}
