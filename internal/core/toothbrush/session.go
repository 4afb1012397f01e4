package toothbrush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trymwestin/sonicare/internal/core/transport"
)

// readAll reads every known characteristic into s. Characteristics the
// handle does not expose are skipped; other failures abort.
func readAll(ctx context.Context, conn transport.Conn, s *State, log *slog.Logger) error {
	for _, spec := range characteristics {
		data, err := conn.Read(ctx, spec.char)
		if errors.Is(err, transport.ErrCharacteristicNotFound) {
			log.Debug("characteristic not exposed", "key", spec.key)
			continue
		}
		if err != nil {
			return fmt.Errorf("toothbrush: read %s: %w", spec.key, err)
		}
		if err := spec.apply(s, data); err != nil {
			log.Warn("failed to decode characteristic", "key", spec.key, "error", err)
		}
	}
	return nil
}
