package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Control message texts exchanged by client and server.
const (
	ListingHeader = "List of files:"
	CmdGet        = "GET"
	CmdExit       = "EXIT"

	notFoundSuffix    = " does not exist!"
	downloadingPrefix = "Downloading "
	serverDoneSuffix  = " downloaded successfully"
	clientDoneSuffix  = " received successfully"
)

// Get renders a file request.
func Get(name string) string {
	return CmdGet + " " + name
}

// ParseCommand splits a client message into its command and argument.
func ParseCommand(body string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(strings.TrimSpace(body), " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// NotFound tells the client name is not served.
func NotFound(name string) string {
	return name + notFoundSuffix
}

// IsNotFound reports whether body is a NotFound reply.
func IsNotFound(body string) bool {
	return strings.HasSuffix(body, notFoundSuffix)
}

// Size renders the size reply.
func Size(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ParseSize parses the size reply.
func ParseSize(body string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(body), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size reply %q", body)
	}
	return n, nil
}

// Downloading announces that chunks are about to flow.
func Downloading(name string) string {
	return downloadingPrefix + name + "!"
}

// IsDownloading reports whether body announces name.
func IsDownloading(body, name string) bool {
	return body == Downloading(name)
}

// ServerDone tells the client every chunk of name was sent.
func ServerDone(name string) string {
	return name + serverDoneSuffix
}

// ClientDone confirms name was written on the client.
func ClientDone(name string) string {
	return name + clientDoneSuffix
}
