package database

import (
	"errors"
	"fmt"

	"coderoom/pkg/types"
)

var (
	ErrStoreClosed   = fmt.Errorf("%w: session store is closed", types.ErrInternal)
	ErrWriteTimeout  = fmt.Errorf("%w: write operation timeout", types.ErrInternal)
	ErrUnknownDriver = errors.New("unknown repository driver")
)
