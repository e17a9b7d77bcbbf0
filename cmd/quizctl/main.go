// quizctl is an offline operator tool for the quiz bot database and
// question corpus. It works directly on the SQLite file; run it against a
// stopped bot or a copy of the database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
