/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# GraphDB: secondary indexes and relations over a wide-column store

## Why?

1, the column store only answers lookups by row key, applications need to find entities by property

2, entities own collections of other entities and connect to each other by typed edges

3, paging through large result sets must be stable without holding server-side state

## Data Model

* Entity, a uuid + a type + a bag of properties, stored one column per property

* Collection, owner --> members of one entity type, e.g. an application owns its users

* Connection, <source, connection type> --> targets, optionally restricted to a target type

* Index Entry, <container, property, bucket> --> <value, entity id, timestamp>, a sorted column

* Ledger, the per-entity record of which index entries exist, so that stale ones can be retracted

* Unique Value, <owner, collection, property, value> --> the only entity allowed to hold it

## Indexing

Every property update reads the ledger, computes the entries to retract and the entries to add, and
writes both in a single mutation. Entries are spread over a fixed number of buckets; a query fans out
to every bucket and merges the sorted streams.

Connections are indexed twice, from the source side and from the target side, and stale target side
entries are repaired lazily when a search touches them.

## Query

Queries are trees of equality, range, full text, geo and boolean operators. The planner compiles them
into scanners over index ranges, and results are paged by an opaque cursor encoding the position of
every scanner.

## Building Blocks

* Rocksdb
* Bleve analyzers
* gRPC
* Prometheus

*/

package graphdb
