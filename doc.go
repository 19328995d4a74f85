/*

Pitfetch ingests filesystem trees into an immutable, content-addressed
store and names each ingested tree by a deterministic identifier
derived from its content.

Vocabulary:

- source: a read-only view of the tree being ingested (nar.Source)
- archive: canonical serialization of a tree (package nar)
- flat: ingestion of a single regular file's raw bytes, no archive
- digest: multihash of the archive or flat bytes (package digest)
- fingerprint: "<method>:<algo>:<hex digest>:<name>"; hashed into the
  identifier
- id: "<hashpart>-<name>" store identifier (package storepath)
- entry: the committed bytes of one ingestion, addressed by id
- staging: private area an entry is written into before commit
- store: where entries live (package db on disk)

Package fetch ties these together; cmd/pf is the command line front
end.

*/

package pitfetch
