// Package webhook turns server notification events into single-item
// work: new arrivals run through the cast pipeline, image updates
// trigger a narrow image sync. Events are handled off the request
// goroutine; webhooks are never serialized against a running scan.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/collections"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/override"
	"github.com/castflow/castflow/internal/processor"
)

// handleTimeout bounds one event's background processing.
const handleTimeout = 15 * time.Minute

// ItemSource fetches item details from the media server.
type ItemSource interface {
	GetItemDetails(ctx context.Context, itemID string) (*emby.Item, error)
}

// CastProcessor runs the cast pipeline for one item.
type CastProcessor interface {
	ProcessItem(ctx context.Context, itemID string) (*processor.Result, error)
}

// WatchlistAdder picks up new series for watch tracking.
type WatchlistAdder interface {
	MaybeAdd(ctx context.Context, item *emby.Item) (bool, error)
}

// MetadataSnapshotter refreshes the item's filterable metadata row.
type MetadataSnapshotter interface {
	SnapshotItem(ctx context.Context, item *emby.Item) (collections.MediaRow, bool, error)
}

// CollectionAppender routes a new item into matching filter collections.
type CollectionAppender interface {
	AppendMatching(ctx context.Context, itemID string, row collections.MediaRow) error
}

// ImageWriter downloads item images into the override tree.
type ImageWriter interface {
	SyncItemImages(ctx context.Context, source override.ImageSource, item *emby.Item, kinds []emby.ImageKind) error
}

// Handlers receives server webhook events.
type Handlers struct {
	server      ItemSource
	images      override.ImageSource
	processor   CastProcessor
	watchlist   WatchlistAdder
	metadata    MetadataSnapshotter
	collections CollectionAppender
	writer      ImageWriter
	syncImages  bool
	logger      zerolog.Logger
}

// NewHandlers wires the webhook endpoint. syncImages additionally
// downloads images for freshly added items.
func NewHandlers(server ItemSource, images override.ImageSource, proc CastProcessor, wl WatchlistAdder, meta MetadataSnapshotter, coll CollectionAppender, writer ImageWriter, syncImages bool, logger zerolog.Logger) *Handlers {
	return &Handlers{
		server:      server,
		images:      images,
		processor:   proc,
		watchlist:   wl,
		metadata:    meta,
		collections: coll,
		writer:      writer,
		syncImages:  syncImages,
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
}

// RegisterRoutes registers the webhook endpoint on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.POST("/emby", h.Receive)
}

// Payload is the slice of the server's webhook body this system reads.
type Payload struct {
	Event       string     `json:"Event"`
	Description string     `json:"Description"`
	Item        *emby.Item `json:"Item"`
}

// Receive acknowledges immediately and processes in the background;
// the server drops webhooks that answer slowly.
// POST /api/v1/webhook/emby
func (h *Handlers) Receive(c echo.Context) error {
	var payload Payload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
	}
	if payload.Item == nil || payload.Item.ID == "" {
		return c.NoContent(http.StatusNoContent)
	}

	switch payload.Event {
	case "library.new", "item.add":
		go h.runDetached(payload, h.handleNewItem)
	case "image.update", "image.updated":
		go h.runDetached(payload, h.handleImageUpdate)
	default:
		h.logger.Debug().Str("event", payload.Event).Msg("ignoring webhook event")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) runDetached(payload Payload, handle func(context.Context, Payload) error) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := handle(ctx, payload); err != nil {
		h.logger.Error().Err(err).Str("event", payload.Event).Str("item", payload.Item.ID).Msg("webhook handling failed")
	}
}

// handleNewItem runs the full single-item path: watchlist pickup, cast
// processing, metadata snapshot, filter-collection routing and an
// optional image sync.
func (h *Handlers) handleNewItem(ctx context.Context, payload Payload) error {
	item, err := h.server.GetItemDetails(ctx, payload.Item.ID)
	if err != nil {
		return err
	}

	if added, err := h.watchlist.MaybeAdd(ctx, item); err != nil {
		h.logger.Warn().Err(err).Str("item", item.Name).Msg("watchlist add failed")
	} else if added {
		h.logger.Info().Str("series", item.Name).Msg("new series added to watchlist")
	}

	result, err := h.processor.ProcessItem(ctx, item.ID)
	if err != nil {
		return err
	}
	h.logger.Info().Str("item", result.ItemName).Bool("review", result.Failed).Msg("webhook item processed")

	row, ok, err := h.metadata.SnapshotItem(ctx, item)
	if err != nil {
		h.logger.Warn().Err(err).Str("item", item.Name).Msg("metadata snapshot failed")
	} else if ok {
		if err := h.collections.AppendMatching(ctx, item.ID, row); err != nil {
			h.logger.Warn().Err(err).Str("item", item.Name).Msg("collection routing failed")
		}
	}

	if h.syncImages {
		if err := h.writer.SyncItemImages(ctx, h.images, item, override.AllImageKinds); err != nil {
			h.logger.Warn().Err(err).Str("item", item.Name).Msg("image sync failed")
		}
	}
	return nil
}

// handleImageUpdate narrows the sync to the kinds the event names.
func (h *Handlers) handleImageUpdate(ctx context.Context, payload Payload) error {
	item, err := h.server.GetItemDetails(ctx, payload.Item.ID)
	if err != nil {
		return err
	}
	kinds := override.KindsFromDescription(payload.Description)
	return h.writer.SyncItemImages(ctx, h.images, item, kinds)
}
