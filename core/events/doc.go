// Package events defines the typed events exchanged on the internal bus.
package events
