// Package measure times steps of interactive commands.
package measure

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Interactively prints status to w and returns a func that, once the step
// is done, overwrites the line with the elapsed time and fragment.
func Interactively(w io.Writer, status string) (done func(fragment string)) {
	status = "[" + status + "]"
	fmt.Fprint(w, status)
	start := time.Now()
	return func(fragment string) {
		elapsed := time.Since(start)
		fmt.Fprintf(w, "\r[done] in %.2fs%s"+strings.Repeat(" ", len(status))+"\n",
			elapsed.Seconds(),
			fragment)
	}
}
