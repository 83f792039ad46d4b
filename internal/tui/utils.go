// Copyright (c) 2025 Neomantra Corp

package tui

import "fmt"

//////////////////////////////////////////////////////////////////////////////

func niceInt[I int | uint | int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64](i I) string {
	return fmt.Sprintf("%d", i)
}
