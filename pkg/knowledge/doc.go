// Package knowledge indexes reference screen documents and serves hybrid
// (vector + keyword) search over them.
//
// A screen document is a Markdown file with a YAML front matter block:
//
//	---
//	name: Product List
//	images:
//	  - data/images/product_list.png
//	---
//	The product list screen shows ...
//
// Documents are stored in SQLite: FTS5 backs keyword search and a sqlite-vec
// vec0 table backs cosine similarity search. The FTS5 module requires the
// sqlite_fts5 build tag for github.com/mattn/go-sqlite3.
package knowledge
