package requestid

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id) // generates new UUID
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestEnsure(t *testing.T) {
	const incoming = "6f1c1e0e-3d7b-4b5e-9a51-2f7f3f6f1d11"
	ctx, id := Ensure(context.Background(), incoming)
	assert.Equal(t, incoming, id)
	assert.Equal(t, incoming, FromContext(ctx))

	_, id = Ensure(context.Background(), "not a uuid")
	assert.NotEqual(t, "not a uuid", id)
	assert.Len(t, id, 36)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	withID := Logger(WithRequestID(context.Background(), "abc"), base)
	withID.Info().Msg("hi")
	assert.Contains(t, buf.String(), `"request_id":"abc"`)

	buf.Reset()
	withoutID := Logger(context.Background(), base)
	withoutID.Info().Msg("hi")
	assert.NotContains(t, buf.String(), "request_id")
}
