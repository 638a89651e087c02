// Package daemonctl starts and stops a background `logtail serve` process.
package daemonctl
