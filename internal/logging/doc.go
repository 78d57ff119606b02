// Package logging provides file-based structured logging with rotation
// for the substrate daemon. Logs for a vault are written under
// <vault>/.substrate/logs/ as newline-delimited JSON, in addition to
// stderr unless disabled.
package logging
