// Package wiki defines the records, error classes, and URL helpers shared by
// every stage of the dump pipeline: enumeration, source resolution, revision
// walking, attachment capture, and HTML snapshots.
package wiki
