package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
	"github.com/next-trace/scg-warehouse/events"
	"github.com/next-trace/scg-warehouse/registry"
)

const (
	ProductViewed = "products.viewed"

	defaultLimit = 20
	maxLimit     = 100
)

// ProductViewedPayload is published on the user-activity producer.
type ProductViewedPayload struct {
	ProductID uuid.UUID `json:"productId"`
	SKU       string    `json:"sku"`
}

// Handlers serves the product routes.
type Handlers struct {
	Store  Store
	Logger *zap.Logger
	// ProducerKey names the registry entry holding the user-activity producer.
	ProducerKey string
}

// Router is where Register mounts routes.
type Router interface {
	GET(path string, handlers ...gin.HandlerFunc)
}

// Register mounts the routes on r.
func (h *Handlers) Register(r Router) {
	r.GET("/v1/products", h.GetProducts)
	r.GET("/v1/products/:id", h.GetProductByID)
}

func (h *Handlers) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}

	return h.Logger
}

func (h *Handlers) GetProducts(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil || limit <= 0 || limit > maxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}

	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must not be negative"})
		return
	}

	products, err := h.Store.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger().Error("list products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if products == nil {
		products = []Product{}
	}

	c.JSON(http.StatusOK, gin.H{"items": products, "limit": limit, "offset": offset})
}

func (h *Handlers) GetProductByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}

	p, err := h.Store.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, werr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		return
	case err != nil:
		h.logger().Error("get product", zap.Stringer("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.publishViewed(c, p)

	c.JSON(http.StatusOK, p)
}

// publishViewed is best effort: a missing producer or failed publish is logged only.
func (h *Handlers) publishViewed(c *gin.Context, p Product) {
	reg, _ := registry.FromContext(c)

	producer, ok := registry.Lookup[cbroker.Producer](reg, h.ProducerKey)
	if !ok {
		h.logger().Debug("user activity producer not registered", zap.String("key", h.ProducerKey))
		return
	}

	topics := producer.Topics()
	if len(topics) == 0 {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	payload := ProductViewedPayload{ProductID: p.ID, SKU: p.SKU}

	if err := events.Publish(ctx, producer, topics[0], ProductViewed, payload, nil); err != nil {
		h.logger().Warn("publish product viewed", zap.Stringer("id", p.ID), zap.Error(err))
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return def, nil
	}

	return strconv.Atoi(v)
}
