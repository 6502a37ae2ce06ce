// Command guestrunner is the in-VM entrypoint invoked by /bin/init. It
// always leaves success.json or error.json under RESULTS_DIR before
// exiting, per the guest environment contract.
package main

import (
	"flag"
	"os"

	"github.com/alphacore/vmvalidate/internal/guestrunner"
)

func main() {
	tokenVar := flag.String("token-env", "GOOGLE_OAUTH_ACCESS_TOKEN", "name of the environment variable carrying the access token")
	flag.Parse()

	env := guestrunner.EnvFromOS(*tokenVar)
	os.Exit(guestrunner.Run(env))
}
