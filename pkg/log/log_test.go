package log

import (
	"context"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWithDeviceTagsEntries(t *testing.T) {
	entry, ok := WithDevice("c1:pump", logrus.New()).(*logrus.Entry)
	require.True(t, ok)
	require.Equal(t, "c1:pump", entry.Data["device"])
}

func TestWithReqIDFromCtxReadsMiddlewareValue(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	entry, ok := WithReqIDFromCtx(ctx, logrus.New()).(*logrus.Entry)
	require.True(t, ok)
	require.Equal(t, "req-42", entry.Data["request_id"])
}
