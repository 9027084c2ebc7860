//go:build !unix

package fsx

import "errors"

func isEXDEV(error) bool { return false }

func isLinkUnsupported(err error) bool { return errors.Is(err, errors.ErrUnsupported) }
