package dispatch

import (
	"context"
	"fmt"

	fusion "github.com/vinkius-labs/mcp-fusion"
)

// updateChannel recognizes the streaming handler return shapes and
// converts them to a receive channel. Returns nil for non-streaming
// values.
func updateChannel(raw any) <-chan fusion.Update {
	switch ch := raw.(type) {
	case fusion.Updates:
		return ch
	case <-chan fusion.Update:
		return ch
	case chan fusion.Update:
		return ch
	default:
		return nil
	}
}

// drainUpdates consumes a streaming handler's channel: intermediate
// updates are forwarded to the call's progress sink fire-and-forget, and
// the terminal update's value and error become the handler result. A
// channel closed without a terminal update resolves to a nil value.
func drainUpdates(ctx context.Context, ch <-chan fusion.Update, forward func(context.Context, fusion.Update)) (any, error) {
	for {
		select {
		case update, ok := <-ch:
			if !ok {
				return nil, nil
			}
			if update.Done {
				return update.Value, update.Err
			}
			forward(ctx, update)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// normalizeResult maps any handler return shape into the canonical
// envelope. Priority order: an envelope passes through; a ResultBuilder
// is finalized; an action presenter shapes raw values; everything else
// gets the default wrap (text for strings, indented JSON otherwise).
func normalizeResult(ctx context.Context, action *fusion.Action, raw any) (*fusion.Result, error) {
	switch v := raw.(type) {
	case *fusion.Result:
		return v, nil
	case fusion.Result:
		return &v, nil
	case fusion.ResultBuilder:
		res, err := v.BuildResult()
		if err != nil {
			return nil, fmt.Errorf("building result: %w", err)
		}
		return res, nil
	}

	if p := action.Presenter(); p != nil {
		res, err := p.Present(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("presenting result: %w", err)
		}
		return res, nil
	}

	switch v := raw.(type) {
	case nil:
		return fusion.NewResult(), nil
	case string:
		return fusion.TextResult(v), nil
	default:
		return fusion.JSONResult(v), nil
	}
}
