package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ___             _  __          
  / _ \ _ __   ___| |/ /___ _   _ 
 | | | | '_ \ / _ \ ' // _ \ | | |
 | |_| | | | |  __/ . \  __/ |_| |
  \___/|_| |_|\___|_|\_\___|\__, |
                            |___/ 
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Authenticator Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
