// Package lightstreamer implements the client side of the Text Lightstreamer
// Client Protocol (TLCP 2.1.0): it maintains a logical session against a
// Lightstreamer server, multiplexes subscriptions over it, and delivers
// ordered, decoded updates to listeners across rebinds and recoveries. A
// minimal in-package Server is included for testing.
//
// Ref: https://www.lightstreamer.com/sdks/ls-generic-client/2.1.0/TLCP%20Specifications.pdf
package lightstreamer
