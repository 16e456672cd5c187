package provider

import (
	"context"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// Recursive walks item depth-first: directories list their children and
// recurse before the item itself is visited, so deletions see empty
// directories. Errors short-circuit the traversal. Adapters whose
// rename/move/delete need a wire call per subitem (S3) drive this from
// their operation implementations.
func Recursive(ctx context.Context, list func(ctx context.Context, dir cloud.Item) ([]cloud.Item, error), item cloud.Item, visit func(ctx context.Context, item cloud.Item) error) error {
	if ctx.Err() != nil {
		return cloud.ErrAborted
	}
	if item.IsDirectory() {
		children, err := list(ctx, item)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := Recursive(ctx, list, child, visit); err != nil {
				return err
			}
		}
	}
	return visit(ctx, item)
}
