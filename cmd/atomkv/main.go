// Command atomkv is a tiny demonstration CLI for the atomkv store: it
// opens (or creates) a database file, writes a few nested buckets, then
// walks and prints them back.
package main

import (
	"fmt"
	"log"

	"github.com/atomkv/atomkv"
)

func main() {
	db, err := atomkv.Open("example.db", atomkv.DefaultOptions())
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *atomkv.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte("config"))
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte("name"), []byte("atomkv")); err != nil {
			return err
		}
		if err := bucket.Put([]byte("version"), []byte("1")); err != nil {
			return err
		}
		child, err := bucket.CreateBucketIfNotExists([]byte("nested"))
		if err != nil {
			return err
		}
		return child.Put([]byte("feature"), []byte("mvcc-btree"))
	}); err != nil {
		log.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *atomkv.Tx) error {
		bucket := tx.Bucket([]byte("config"))
		if bucket == nil {
			return fmt.Errorf("missing bucket")
		}
		val := bucket.Get([]byte("name"))
		fmt.Printf("name=%s\n", val)

		cursor := bucket.Cursor()
		for k, v, _ := cursor.First(); k != nil; k, v, _ = cursor.Next() {
			fmt.Printf("%s=%s\n", k, v)
		}
		return nil
	}); err != nil {
		log.Fatalf("view failed: %v", err)
	}

	stats := db.StatsSnapshot()
	fmt.Printf("commits=%d splits=%d merges=%d\n", stats.Commits, stats.Splits, stats.Merges)
}
