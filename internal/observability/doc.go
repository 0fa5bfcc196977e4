// Package observability holds the Prometheus collectors the client session
// reports into and a textfile exporter for one-shot CLI runs.
package observability
