//go:build !unix

package compose

import (
	"context"
	"errors"
)

func (o *JournalObserver) Start(context.Context) (func(), error) {
	return nil, errors.New("worker log observer requires a unix host")
}
