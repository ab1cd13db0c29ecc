package unlockexcel

import (
	"fmt"
	"os"
	"strings"
)

var (
	UNLOCK_DEBUG *bool
)

func DebugPrintf(fmt_str string, args ...interface{}) {
	if UNLOCK_DEBUG == nil {
		value := false
		UNLOCK_DEBUG = &value

		for _, x := range os.Environ() {
			if strings.HasPrefix(x, "UNLOCK_DEBUG=1") {
				value = true
				break
			}
		}

	}

	if *UNLOCK_DEBUG {
		if !strings.HasSuffix(fmt_str, "\n") {
			fmt_str += "\n"
		}
		fmt.Printf(fmt_str, args...)
	}
}
