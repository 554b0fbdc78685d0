package s3remote

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/orivault/corevault/internal/circuit"
	"github.com/orivault/corevault/internal/codec"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig("my-bucket")
	if cfg.Bucket != "my-bucket" {
		t.Fatalf("Bucket = %q, want my-bucket", cfg.Bucket)
	}
	if cfg.Prefix == "" {
		t.Fatal("Prefix should default to a non-empty namespace")
	}
	if cfg.PoolSize != 8 {
		t.Fatalf("PoolSize = %d, want 8", cfg.PoolSize)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestRemoteKeyLayout(t *testing.T) {
	r := &Remote{prefix: "corevault"}
	h := hash.Sum([]byte("x"))

	if got, want := r.objectKey(h), "corevault/objects/"+h.Hex(); got != want {
		t.Fatalf("objectKey = %q, want %q", got, want)
	}
	if got, want := r.headKey(), "corevault/meta/head"; got != want {
		t.Fatalf("headKey = %q, want %q", got, want)
	}
	if got, want := r.idKey(), "corevault/meta/id"; got != want {
		t.Fatalf("idKey = %q, want %q", got, want)
	}
	if got, want := r.indexKey(), "corevault/meta/index"; got != want {
		t.Fatalf("indexKey = %q, want %q", got, want)
	}
}

func TestEncodeDecodeObjectBodyRoundTrip(t *testing.T) {
	framed, err := codec.Encode(objtype.Blob, []byte("hello s3"), objtype.CompressionNone)
	if err != nil {
		t.Fatalf("codec.Encode() error = %v", err)
	}
	h := hash.Sum([]byte("hello s3"))
	info := objtype.ObjectInfo{Type: objtype.Blob, Hash: h, PayloadSize: uint32(len("hello s3"))}

	body := encodeObjectBody(info, framed)
	gotInfo, gotFramed, err := decodeObjectBody(h, body)
	if err != nil {
		t.Fatalf("decodeObjectBody() error = %v", err)
	}
	if gotInfo != info {
		t.Fatalf("decodeObjectBody() info = %+v, want %+v", gotInfo, info)
	}
	if string(gotFramed) != string(framed) {
		t.Fatalf("decodeObjectBody() framed payload mismatch")
	}
}

func TestDecodeObjectBodyRejectsTruncatedHeader(t *testing.T) {
	h := hash.Sum([]byte("x"))
	_, _, err := decodeObjectBody(h, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("decodeObjectBody() on a too-short body should error")
	}
}

func TestIsNoSuchKey(t *testing.T) {
	if !isNoSuchKey(&s3types.NoSuchKey{}) {
		t.Fatal("isNoSuchKey(&s3types.NoSuchKey{}) = false, want true")
	}
	if !isNoSuchKey(&s3types.NotFound{}) {
		t.Fatal("isNoSuchKey(&s3types.NotFound{}) = false, want true")
	}
	if isNoSuchKey(errors.New("some other failure")) {
		t.Fatal("isNoSuchKey(generic error) = true, want false")
	}
}

func TestConnectionPoolGetPutStats(t *testing.T) {
	pool, err := NewConnectionPool(2, func() (*s3.Client, error) {
		return &s3.Client{}, nil
	})
	if err != nil {
		t.Fatalf("NewConnectionPool() error = %v", err)
	}
	defer pool.Close()

	c1 := pool.Get()
	pool.Put(c1)
	c2 := pool.Get()
	pool.Put(c2)

	stats := pool.Stats()
	if stats.MaxSize != 2 {
		t.Fatalf("Stats().MaxSize = %d, want 2", stats.MaxSize)
	}
	if stats.Created != 2 {
		t.Fatalf("Stats().Created = %d, want 2", stats.Created)
	}
	if stats.Hits != 2 {
		t.Fatalf("Stats().Hits = %d, want 2", stats.Hits)
	}
}

func TestConnectionPoolRejectsNilFactory(t *testing.T) {
	if _, err := NewConnectionPool(4, nil); err == nil {
		t.Fatal("NewConnectionPool(nil factory) should error")
	}
}

func TestBreakerSkipsNoSuchKey(t *testing.T) {
	if !breakerSkips(nil) {
		t.Fatal("breakerSkips(nil) = false, want true")
	}
	var nsk *s3types.NoSuchKey
	if !breakerSkips(nsk) {
		t.Fatal("breakerSkips(NoSuchKey) = false, want true")
	}
	if breakerSkips(errors.New("connection reset")) {
		t.Fatal("breakerSkips(generic error) = true, want false")
	}
}

func TestRemoteBreakerTripsOnRepeatedFailures(t *testing.T) {
	cb := circuit.NewCircuitBreaker("test", circuit.Config{
		IsSuccessful: breakerSkips,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	r := &Remote{breaker: cb}

	failing := errors.New("s3 unavailable")
	for i := 0; i < 3; i++ {
		err := r.breaker.ExecuteWithContext(context.Background(), func(context.Context) error {
			return failing
		})
		if err != failing {
			t.Fatalf("call %d: err = %v, want %v", i, err, failing)
		}
	}

	if got := r.breaker.GetState(); got != circuit.StateOpen {
		t.Fatalf("state after 3 consecutive failures = %v, want Open", got)
	}

	if err := r.breaker.ExecuteWithContext(context.Background(), func(context.Context) error {
		t.Fatal("breaker should have short-circuited this call")
		return nil
	}); err != circuit.ErrOpenState {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}
}
