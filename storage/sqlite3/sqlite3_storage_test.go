package sqlite3

import (
	"log"
	"os"
	"testing"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/testsuite"
)

var storage rebac.Storage

func TestMain(m *testing.M) {
	uri := os.Getenv("TEST_SQLITE_URI")
	if uri == "" {
		uri = "file:rebactest?mode=memory&cache=shared"
	}

	var err error
	storage, err = NewSQLite3Storage(uri)
	if err != nil {
		log.Fatalf("SQLite3Storage creation failed: %v", err)
	}

	code := m.Run()

	storage.Close()
	os.Exit(code)
}

func TestSQLite3WithTestSuite(t *testing.T) {
	testsuite.RunTestAll(t, map[string]testsuite.TestConfig{
		"sqlite3": {
			Storage: storage,
		},
	})
}

func BenchmarkSQLite3(b *testing.B) {
	testsuite.RunBenchmarkAll(b, map[string]rebac.Storage{
		"sqlite3": storage,
	})
}
