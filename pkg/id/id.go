package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string. Signal ids sort by arrival time, which keeps
// the audit journal ordered without a separate sequence column.
func New() string {
	return At(time.Now().UTC())
}

// At returns a ULID stamped with t.
func At(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), mono)
	if err != nil {
		// only possible when entropy fails or t is out of ULID range
		panic(err)
	}
	return id.String()
}

// Prefixed returns "<PREFIX>-<ulid>", e.g. DEMO-01HV....
func Prefixed(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}

// Time extracts the timestamp from a ULID produced by New or Prefixed.
func Time(s string) (time.Time, bool) {
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		s = s[i+1:]
	}
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
