package override

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/castflow/castflow/internal/emby"
)

// ImageSource is the slice of the media-server client the image sync
// needs. Satisfied by *emby.Client.
type ImageSource interface {
	DownloadImage(ctx context.Context, itemID string, kind emby.ImageKind, index int, destPath string) error
	GetSeriesChildren(ctx context.Context, seriesID string) ([]emby.Item, error)
}

// kindFiles maps server image kinds to the file names the server's
// side-load reader expects.
var kindFiles = map[emby.ImageKind]string{
	emby.ImagePrimary:  "poster.jpg",
	emby.ImageBackdrop: "fanart.jpg",
	emby.ImageLogo:     "clearlogo.png",
	emby.ImageThumb:    "landscape.jpg",
}

// AllImageKinds is the full sync set.
var AllImageKinds = []emby.ImageKind{emby.ImagePrimary, emby.ImageBackdrop, emby.ImageLogo, emby.ImageThumb}

// SyncItemImages downloads the given image kinds for an item into its
// override images directory. Kinds the item does not carry are
// skipped. For series it additionally walks seasons and episodes.
func (w *Writer) SyncItemImages(ctx context.Context, source ImageSource, item *emby.Item, kinds []emby.ImageKind) error {
	tmdbID := item.ProviderID(emby.ProviderTmdb)
	if tmdbID == "" {
		return fmt.Errorf("item %s has no tmdb id, cannot place images", item.ID)
	}

	imagesDir := filepath.Join(w.ItemDir(item.Type, tmdbID), "images")
	synced := 0

	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !emby.HasImage(item, kind) {
			continue
		}
		dest := filepath.Join(imagesDir, kindFiles[kind])
		if err := source.DownloadImage(ctx, item.ID, kind, 0, dest); err != nil {
			w.logger.Warn().Err(err).Str("item", item.Name).Str("kind", string(kind)).Msg("image download failed")
			continue
		}
		synced++
	}

	if item.Type == "Series" {
		if err := w.syncSeriesChildImages(ctx, source, item.ID, imagesDir); err != nil {
			return err
		}
	}

	w.logger.Debug().Str("item", item.Name).Int("synced", synced).Msg("item images synced")
	return nil
}

// syncSeriesChildImages stores season-<n>.jpg and
// season-<n>-episode-<m>.jpg primaries for every child that has one.
func (w *Writer) syncSeriesChildImages(ctx context.Context, source ImageSource, seriesID, imagesDir string) error {
	children, err := source.GetSeriesChildren(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("list series children: %w", err)
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !emby.HasImage(&child, emby.ImagePrimary) {
			continue
		}

		var name string
		switch child.Type {
		case "Season":
			if child.IndexNumber == nil {
				continue
			}
			name = fmt.Sprintf("season-%d.jpg", *child.IndexNumber)
		case "Episode":
			if child.ParentIndexNumber == nil || child.IndexNumber == nil {
				continue
			}
			name = fmt.Sprintf("season-%d-episode-%d.jpg", *child.ParentIndexNumber, *child.IndexNumber)
		default:
			continue
		}

		dest := filepath.Join(imagesDir, name)
		if err := source.DownloadImage(ctx, child.ID, emby.ImagePrimary, 0, dest); err != nil {
			w.logger.Warn().Err(err).Str("child", child.ID).Msg("child image download failed")
		}
	}
	return nil
}

// KindsFromDescription narrows an image-update webhook to the kinds it
// names. Emby descriptions read like "Primary image updated" or
// mention backdrop/logo; an unrecognized description syncs everything.
func KindsFromDescription(description string) []emby.ImageKind {
	desc := strings.ToLower(description)
	var kinds []emby.ImageKind
	if strings.Contains(desc, "primary") || strings.Contains(desc, "海报") {
		kinds = append(kinds, emby.ImagePrimary)
	}
	if strings.Contains(desc, "backdrop") || strings.Contains(desc, "背景") {
		kinds = append(kinds, emby.ImageBackdrop)
	}
	if strings.Contains(desc, "logo") {
		kinds = append(kinds, emby.ImageLogo)
	}
	if strings.Contains(desc, "thumb") {
		kinds = append(kinds, emby.ImageThumb)
	}
	if len(kinds) == 0 {
		return AllImageKinds
	}
	return kinds
}
