package main

import (
	"fmt"
	"os"
)

func main() {
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(os.Stderr, "load_tensors: layer %4d assigned to device CPU\n", i)
	}
	fmt.Fprintln(os.Stderr, "error: failed to load model")
	os.Exit(1)
}
