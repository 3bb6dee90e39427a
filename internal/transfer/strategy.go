package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/fileutil"
)

// ErrUnknownStrategy is returned by Place for a strategy it does not know.
var ErrUnknownStrategy = errors.New("unknown archive strategy")

// RemovesSource reports whether strategy leaves nothing at the source path, so the
// download client can no longer seed it.
func RemovesSource(strategy string) bool {
	return strategy == config.StrategyMove || strategy == config.StrategyCopyDelete
}

// Place puts req.Source at req.Destination using strategy. Link strategies need both
// paths on the same local filesystem.
func Place(ctx context.Context, t Transferer, strategy string, req Request, onProgress ProgressFunc) error {
	switch strategy {
	case config.StrategyMove:
		if m, ok := t.(mover); ok {
			return m.Move(ctx, req)
		}
		return copyThenRemove(ctx, t, req, onProgress)

	case config.StrategyCopy:
		return t.Transfer(ctx, req, onProgress)

	case config.StrategyCopyDelete:
		return copyThenRemove(ctx, t, req, onProgress)

	case config.StrategyHardlink:
		return fileutil.Hardlink(req.Source, req.Destination)

	case config.StrategyCopyHardlinkBack:
		if err := t.Transfer(ctx, req, onProgress); err != nil {
			return err
		}
		if err := fileutil.Hardlink(req.Destination, req.Source); err != nil {
			return fmt.Errorf("link source back to library copy: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

func copyThenRemove(ctx context.Context, t Transferer, req Request, onProgress ProgressFunc) error {
	if err := t.Transfer(ctx, req, onProgress); err != nil {
		return err
	}
	if err := t.Remove(ctx, req.Source); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}
