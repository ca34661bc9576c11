// Package sftpsync provides a transfer engine for moving files and
// directory trees over SSH/SFTP: pooled multi-hop sessions, delta-sync
// planning, chunked parallel transfers for large files, optional
// file-level compression and checksum verification, and a prioritized
// transfer queue with pause, resume, cancel, and retry.
//
// Basic usage:
//
//	pool := sftpsync.NewSessionPool(&sftpsync.SSHDialer{}, sftpsync.PoolConfig{MaxPerIdentity: 5})
//	defer pool.Close()
//
//	queue := sftpsync.NewTransferQueue(pool, afero.NewOsFs(), sftpsync.QueueConfig{})
//	defer queue.Close()
//
//	id, err := queue.Submit(sftpsync.TaskSpec{
//		Kind:       sftpsync.TaskSync,
//		Host:       sftpsync.HostConfig{Host: "example.com", User: "deploy", KeyPath: "~/.ssh/id_ed25519"},
//		LocalPath:  "/srv/site",
//		RemotePath: "/var/www/site",
//		Sync:       sftpsync.SyncOptions{DeleteRemote: true},
//	})
package sftpsync
