// Package drive implements the versioned, append-only key/value drives that
// applications are served from.
//
// A Corestore (badger) holds one core per 32-byte public key. A core is an
// append-only log of put/del entries; its length grows with every mutation and
// its fork increases when history is rewritten by Truncate. A Drive is a
// session over a core: live sessions follow the tip, checkouts are immutable
// views pinned at a length.
//
// Storage layout (badger keys):
//
//	primary                      corestore primary key (namespace derivation)
//	c/<hex>/meta                 core metadata (length, fork, encryption check)
//	c/<hex>/e/<seq>              entry at seq (big-endian uint64)
//	c/<hex>/k/<name>\x00<seq>    index: name was written at seq
//
// Get at a length is a reverse seek on the index, so a checkout costs nothing
// to create.
//
// Metadata keys (manifest, channel, release, platformVersion, warmup) are
// plain names; application files are names beginning with "/".
package drive
