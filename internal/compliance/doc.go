// Package compliance decides whether a publisher URL may be fetched at all.
//
// The Gate applies a hard host blocklist before anything else, then consults
// a per-host robots decision that is fetched once and cached until it is
// explicitly invalidated. Every failure to obtain robots rules is a deny.
package compliance
