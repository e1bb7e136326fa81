package microservice

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	APIKeyHeader        = "X-API-Key"
)

type correlationKey struct{}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id stored by the CorrelationID middleware.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// CorrelationID reuses the caller's X-Correlation-ID or assigns a new one, echoes
// it in the response and stores it in the request context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Header(CorrelationIDHeader, id)
		c.Request = c.Request.WithContext(WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// CorrelationPropagator copies the request correlation id into message headers.
type CorrelationPropagator struct{}

func (CorrelationPropagator) Inject(ctx context.Context, headers map[string]string) {
	if id, ok := CorrelationIDFromContext(ctx); ok {
		headers[CorrelationIDHeader] = id
	}
}

// Logging logs one line per request, skipping excluded paths.
func Logging(lg *zap.Logger, exclude ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lo.Contains(exclude, c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		id, _ := CorrelationIDFromContext(c.Request.Context())
		fields := []zap.Field{
			zap.String("correlationId", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}

		if len(c.Errors) > 0 {
			lg.Warn("request", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}

		lg.Debug("request", fields...)
	}
}

// APIKey rejects requests without the configured key. An empty key disables the check.
func APIKey(key string, exclude ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || lo.Contains(exclude, c.Request.URL.Path) {
			c.Next()
			return
		}

		if subtle.ConstantTimeCompare([]byte(c.GetHeader(APIKeyHeader)), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		c.Next()
	}
}

// BodyLimit caps request bodies at limit bytes. Reads past the cap fail, which
// gin's binders surface as 400s.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			if c.Request.ContentLength > limit {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}

			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}

		c.Next()
	}
}
