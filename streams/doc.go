// Package streams holds the stream admin views: query keys, freshness
// settings, mutations and the Dashboard service built on package query.
package streams
