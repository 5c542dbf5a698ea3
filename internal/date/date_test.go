package date

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrentParses(t *testing.T) {
	stop := Start(10 * time.Millisecond)
	defer stop()

	v := string(Current())
	got, err := http.ParseTime(v)
	if err != nil {
		t.Fatalf("cached date %q does not parse: %v", v, err)
	}
	if d := time.Since(got); d < -time.Second || d > 2*time.Second {
		t.Errorf("cached date %v is %v away from now", got, d)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	stop := Start(time.Millisecond)
	stop()
	stop()
}
