package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/githubxxcc/silo/internal/silo"
)

func speakPlainTextTo(w http.ResponseWriter) {
	w.Header().Add("Content-Type", "text/plain")
}

func respondWithError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	if errors.Is(err, silo.ErrTransactionAbort) {
		statusCode = http.StatusConflict
	}
	speakPlainTextTo(w)
	w.WriteHeader(statusCode)
	fmt.Fprintln(w, err)
}

const pathPrefix = "/record/"

func getTargetKey(w http.ResponseWriter, req *http.Request) (silo.Key, bool) {
	key, ok := strings.CutPrefix(req.URL.Path, pathPrefix)
	if ok && len(key) > 0 {
		return silo.Key(key), true
	}
	speakPlainTextTo(w)
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintln(w, "URL path must contain a nonempty key")
	return nil, false
}

func handleGet(w http.ResponseWriter, req *http.Request, table *silo.Table) {
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	var recordExists bool
	var value silo.Value
	if err := table.Engine().WithinTransaction(silo.ReadOnly|silo.ConsistentSnapshot,
		func(txn *silo.Transaction) (bool, error) {
			v, found, err := txn.Get(table, key)
			if err != nil {
				return false, err
			}
			if found {
				recordExists = true
				v.CopyInto(&value)
			}
			return false, nil
		}); err != nil {
		respondWithError(w, err)
		return
	}
	if !recordExists {
		w.WriteHeader(http.StatusNotFound)
	} else {
		speakPlainTextTo(w)
		if _, err := w.Write(value); err == nil {
			w.Write([]byte{'\n'})
		}
	}
}

func handlePost(w http.ResponseWriter, req *http.Request, table *silo.Table) {
	if err := req.ParseForm(); err != nil {
		speakPlainTextTo(w)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Failed to parse HTTP form: %v", err)
		return
	}
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	value := req.FormValue("value")
	var recordExisted bool
	if err := table.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		err := txn.Insert(table, key, silo.Value(value))
		if errors.Is(err, silo.ErrRecordExists) {
			recordExisted = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if recordExisted {
		w.WriteHeader(http.StatusConflict)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func handlePut(w http.ResponseWriter, req *http.Request, table *silo.Table) {
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	value := req.FormValue("value")
	type updatePolicy uint
	const (
		abortIfAbsent updatePolicy = iota
		insertIfAbsent
		ignoreIfAbsent
	)
	policy := abortIfAbsent
	{
		const formKey = "if-absent"
		ifAbsent := req.FormValue(formKey)
		switch ifAbsent {
		case "", "abort":
		case "insert":
			policy = insertIfAbsent
		case "ignore":
			policy = ignoreIfAbsent
		default:
			speakPlainTextTo(w)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Unrecognized HTTP form key %q value: %q\n", formKey, ifAbsent)
			return
		}
	}
	if policy == insertIfAbsent {
		if err := table.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
			return true, txn.Upsert(table, key, silo.Value(value))
		}); err != nil {
			respondWithError(w, err)
		}
		return
	}
	var recordExisted bool
	if err := table.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		err := txn.Update(table, key, silo.Value(value))
		if errors.Is(err, silo.ErrRecordDoesNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		recordExisted = true
		return true, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if !recordExisted && policy == abortIfAbsent {
		w.WriteHeader(http.StatusNotFound)
	}
}

func handleDelete(w http.ResponseWriter, req *http.Request, table *silo.Table) {
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	var recordExisted bool
	if err := table.Engine().WithinTransaction(0, func(txn *silo.Transaction) (bool, error) {
		deleted, err := txn.Delete(table, key)
		if err != nil {
			return false, err
		}
		recordExisted = deleted
		return true, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if !recordExisted {
		w.WriteHeader(http.StatusNotFound)
	}
}

func makeHandler(table *silo.Table) http.Handler {
	var mux http.ServeMux
	{
		mux.Handle(pathPrefix,
			http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				switch req.Method {
				case http.MethodGet:
					handleGet(w, req, table)
				case http.MethodPost:
					handlePost(w, req, table)
				case http.MethodPut:
					handlePut(w, req, table)
				case http.MethodDelete:
					handleDelete(w, req, table)
				default:
					speakPlainTextTo(w)
					w.WriteHeader(http.StatusBadRequest)
					fmt.Fprintf(w, "Request uses disallowed HTTP method %q\n", req.Method)
					return
				}
			}))
	}
	return &mux
}
