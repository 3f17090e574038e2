// Package crawler holds the domain vocabulary of the metadata crawler: work items,
// the status taxonomy, results, and the interfaces the pipeline stages talk through.
package crawler
