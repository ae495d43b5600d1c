package quota

import (
	"os"
	"testing"
)

func getRedisURL(t *testing.T) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis quota tests")
	}
	return url
}

func TestRedisStore_Contract(t *testing.T) {
	s, err := NewRedisStore(getRedisURL(t))
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer s.Close()

	storeContract(t, s)
}
