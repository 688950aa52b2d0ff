// Package feed defines the raw items produced by source adapters, their stable
// identity (EntryID), and the compile-time registry that maps a source kind to
// the adapter that fetches it.
package feed
