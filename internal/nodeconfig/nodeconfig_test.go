package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.conf")
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadParsesSizesAndIntegers(t *testing.T) {
	path := writeTemp(t, `
# comment line
data = /var/lib/blobnode
blob_size = 64M
records_in_blob = 131072
defrag_percentage = 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Data != "/var/lib/blobnode" {
		t.Fatalf("data = %q", cfg.Data)
	}
	if cfg.BlobSize != 64*1024*1024 {
		t.Fatalf("blob_size = %d", cfg.BlobSize)
	}
	if cfg.RecordsInBlob != 131072 {
		t.Fatalf("records_in_blob = %d", cfg.RecordsInBlob)
	}
	if cfg.DefragPercentage != 25 {
		t.Fatalf("defrag_percentage = %d", cfg.DefragPercentage)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, "data = /tmp\nbogus_key = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error on unknown key")
	}
}

func TestLoadRequiresData(t *testing.T) {
	path := writeTemp(t, "blob_size = 1M\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when data is missing")
	}
}

func TestDefaultsFilledWhenOmitted(t *testing.T) {
	path := writeTemp(t, "data = /tmp/x\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Defaults()
	if cfg.BlobSize != def.BlobSize || cfg.RecordsInBlob != def.RecordsInBlob {
		t.Fatalf("expected defaults to carry through, got %+v", cfg)
	}
}
