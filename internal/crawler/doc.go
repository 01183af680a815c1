// Package crawler defines the core types shared by the frontier, discovery,
// dispatch, and fetch subsystems: partitions, tasks, frontier snapshots, the
// collaborator interfaces, and the error taxonomy.
package crawler
