// Command dataserver ingests checksummed data envelopes over HTTP, stores them
// by classification tag and forwards accepted envelopes to an archival sink.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/wolfeidau/dataserver/archive"
	"github.com/wolfeidau/dataserver/client"
	"github.com/wolfeidau/dataserver/config"
)

var version = "dev"

// CLI is the root command.
type CLI struct {
	Globals

	Serve      ServeCmd      `cmd:"" help:"Run the ingestion server."`
	Push       PushCmd       `cmd:"" help:"Push an envelope to a server."`
	Query      QueryCmd      `cmd:"" help:"List envelopes with a block type."`
	Reclassify ReclassifyCmd `cmd:"" help:"Change the block type of a stored block."`
	Checksum   ChecksumCmd   `cmd:"" help:"Print the producer checksum of files or stdin."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("dataserver"),
		kong.Description("Envelope ingestion server and client."),
		kong.UsageOnError(),
		kong.Configuration(config.YAML, "/etc/dataserver/config.yaml", "~/.config/dataserver/config.yaml"),
		kong.Vars{
			"version":     version,
			"archive_url": archive.DefaultURL,
			"client_url":  client.DefaultBaseURL,
		},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
