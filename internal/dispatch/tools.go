//go:build tools

package dispatch

import (
	_ "github.com/golang/mock/mockgen"
)
