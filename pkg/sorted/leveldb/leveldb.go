/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package leveldb provides an implementation of sorted.KeyValue
// on top of a single mutable database file on disk using
// github.com/syndtr/goleveldb.
package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"sluice.dev/pkg/sorted"
)

// NewStorage opens (or creates) the leveldb database in dir and
// returns a sorted.KeyValue on top of it.
func NewStorage(dir string) (sorted.KeyValue, error) {
	opts := &opt.Options{
		Filter: filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		return nil, err
	}
	return &kvis{
		db:       db,
		path:     dir,
		readOpts: &opt.ReadOptions{},
		// Scheduler state must survive a crash; sync writes.
		writeOpts: &opt.WriteOptions{Sync: true},
	}, nil
}

type kvis struct {
	path      string
	db        *leveldb.DB
	readOpts  *opt.ReadOptions
	writeOpts *opt.WriteOptions
}

func (is *kvis) Get(key string) (string, error) {
	val, err := is.db.Get([]byte(key), is.readOpts)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return "", sorted.ErrNotFound
		}
		return "", err
	}
	return string(val), nil
}

func (is *kvis) Set(key, value string) error {
	return is.db.Put([]byte(key), []byte(value), is.writeOpts)
}

func (is *kvis) Delete(key string) error {
	return is.db.Delete([]byte(key), is.writeOpts)
}

func (is *kvis) Find(start, end string) sorted.Iterator {
	rng := &util.Range{Start: []byte(start)}
	if end != "" {
		rng.Limit = []byte(end)
	}
	return &iter{it: is.db.NewIterator(rng, is.readOpts)}
}

func (is *kvis) Close() error {
	return is.db.Close()
}

type iter struct {
	it iterator.Iterator
}

func (i *iter) Next() bool    { return i.it.Next() }
func (i *iter) Key() string   { return string(i.it.Key()) }
func (i *iter) Value() string { return string(i.it.Value()) }

func (i *iter) Close() error {
	err := i.it.Error()
	i.it.Release()
	return err
}
