/*

Package db is an on-disk, content-addressed store of immutable
entries.  An entry is a byte stream addressed by a store identifier;
the stream is split into content-defined blocks that are deduplicated
across all entries.

Vocabulary:

- abspath: absolute path on hard disk, including subdirs
- relpath: path relative to db.Dir, including subdirs
- canpath: canonical path; relpath without subdirs
- hash: cryptographic hash of a block or tree, header included
- algo: name (string) describing hash algorithm
- subdir: three-character hexadecimal segment of hash
- subdirs: one or more subdir segments inserted in abspath or relpath
	in order to keep directory sizes small; the number of subdirs is fixed
	at database creation
- block: chunk of an entry's bytes; deduplication atom; stored as file
- tree: ordered list of block or tree canpaths; stored as file
- rootnode: the tree holding all of an entry's blocks
- entry: the published form of an ingested source; stored as a symlink
  named after the store identifier, pointing at the rootnode
- info: msgpack record describing an entry (name, method, digest,
  size); written before the entry symlink is published
- staging: a private directory under tmp/ holding the blocks and
  rootnode of an entry that is still being written; nothing in it is
  visible until Commit moves it into place
- object: block or tree

On-disk layout:

	config.json
	block/<algo>/<subdirs>/<hash>
	tree/<algo>/<subdirs>/<hash>
	entry/<id> -> ../tree/<algo>/<subdirs>/<hash>
	info/<id>
	cache/<hash of key>
	lock/<id>
	tmp/stage-<random>/

*/

package db
