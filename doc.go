// Package rastermill is an event-driven ingestion pipeline for gridded
// geospatial data. It watches object-store buckets for raw files (GRIB2,
// NetCDF, GeoTIFF), converts them into standardized web-servable assets, and
// catalogs the results.
//
// The moving parts, leaves first:
//
// 1. Filename codec
//
//    Inbound paths follow the {catalog}/{collection}/{filename} convention,
//    where the collection segment is optional and the filename may carry a
//    GR-- reference-time prefix for forecast data. filename.go holds the
//    pure encode/decode functions.
//
// 2. Format plugins
//
//    A FormatPlugin knows how to read one family of binary formats: list
//    variables, list timestamps per variable, and open a variable lazily as
//    a VariableView that reads no pixel data until Materialize is called.
//    Formats differ in how a variable is identified - a NetCDF name is
//    unique, a GRIB short name recurs at many vertical levels - so the
//    contract carries an opaque VariableKey that plugins resolve internally.
//    The grib, netcdf and geotiff packages each implement the contract.
//
// 3. Processing ledger
//
//    Every file that enters the system gets exactly one ledger entry, the
//    sole source of truth for its processing state. The ledger owns the
//    pending -> processing -> completed/failed state machine, atomic lock
//    acquisition, bounded retries, and stale-lock crash recovery. The
//    boltdb and leveldb packages provide durable implementations.
//
// 4. Ingestion worker
//
//    The ingest package runs the per-file pipeline: decode path, resolve
//    collections, download to scratch, then for every collection x
//    timestamp x variable extract, transform, clip, encode and persist
//    assets, finally archiving the raw file and reporting to the ledger.
//
// 5. Sweep reconciler
//
//    The sweep package is the safety net: on a timer it reclaims stale
//    locks, registers files the notifications missed, and requeues
//    retryable failures.
//
// Notifications arrive as MinIO bucket events on a Kafka topic (the kafka
// package); delivery is at-least-once and made safe by the ledger's
// idempotent acquire.
package rastermill
