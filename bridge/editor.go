package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/telegram"
)

// Editor rewrites the tracked announcement through Telegram.
type Editor struct {
	Messenger Messenger
	Render    *Renderer
}

// Edit renders u and edits the text (or the caption of a photo message).
// Telegram outcomes are translated to the announce sentinels.
func (e *Editor) Edit(ctx context.Context, ref announce.Ref, u announce.Update) error {
	text := e.Render.Update(u)
	opts := e.Render.Options()
	var err error
	if ref.Caption {
		err = e.Messenger.EditMessageCaption(ctx, ref.ChatID, ref.MessageID, text, opts)
	} else {
		err = e.Messenger.EditMessageText(ctx, ref.ChatID, ref.MessageID, text, opts)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, telegram.ErrMessageNotModified):
		return fmt.Errorf("%w: %v", announce.ErrMessageNotModified, err)
	case errors.Is(err, telegram.ErrMessageNotFound):
		return fmt.Errorf("%w: %v", announce.ErrMessageNotFound, err)
	}
	return err
}
