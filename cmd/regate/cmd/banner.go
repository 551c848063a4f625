package cmd

import (
	"fmt"
)

const banner = `
  _____       _____       _
 |  __ \     / ____|     | |
 | |__) |___| |  __  __ _| |_ ___
 |  _  // _ \ | |_ |/ _` + "`" + ` | __/ _ \
 | | \ \  __/ |__| | (_| | ||  __/
 |_|  \_\___|\_____|\__,_|\__\___|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Re-Authentication Gate - Version %s\x1b[0m\n\n", Version)
}
