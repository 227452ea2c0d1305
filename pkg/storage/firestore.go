package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/enlighten/pkg/log"
	"github.com/raterudder/enlighten/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Every system has its own document under "systems" with a collection per
// command.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(systemID, name string) (*firestore.CollectionRef, error) {
	if systemID == "" {
		return nil, fmt.Errorf("systemID cannot be empty")
	}
	return f.client.Collection("systems").Doc(systemID).Collection(name), nil
}

// createRows creates a document per row. Rows that already exist are left
// alone. docID returns the document id and extra fields for a row.
func (f *FirestoreProvider) createRows(ctx context.Context, coll *firestore.CollectionRef, rows []types.Record, docID func(row types.Record, hash string) (string, map[string]interface{}, error)) error {
	for _, row := range rows {
		data, hash, err := encodeRow(row)
		if err != nil {
			return err
		}
		id, fields, err := docID(row, hash)
		if err != nil {
			return err
		}
		doc := map[string]interface{}{
			"json": data,
			"hash": hash,
		}
		for k, v := range fields {
			doc[k] = v
		}
		_, err = coll.Doc(id).Create(ctx, doc)
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("failed to create %s: %w", id, err)
		}
	}
	return nil
}

// readRows decodes the json field of every document in iter.
func readRows(ctx context.Context, iter *firestore.DocumentIterator) ([]types.Record, error) {
	defer iter.Stop()

	var rows []types.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}
		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("id", doc.Ref.ID))
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("id", doc.Ref.ID))
			continue
		}
		row, err := decodeRow(jsonStr)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("id", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetSummary retrieves the summary rows stored for date.
func (f *FirestoreProvider) GetSummary(ctx context.Context, systemID, date string) ([]types.Record, error) {
	coll, err := f.getCollection(systemID, "summary")
	if err != nil {
		return nil, err
	}
	return readRows(ctx, coll.Where("date", "==", date).Documents(ctx))
}

// InsertSummary stores summary rows under date_hash document ids.
func (f *FirestoreProvider) InsertSummary(ctx context.Context, systemID, date string, rows []types.Record) error {
	coll, err := f.getCollection(systemID, "summary")
	if err != nil {
		return err
	}
	return f.createRows(ctx, coll, rows, func(_ types.Record, hash string) (string, map[string]interface{}, error) {
		return date + "_" + hash, map[string]interface{}{"date": date}, nil
	})
}

// GetStats retrieves stats rows with an end_at in (start, end].
// Document ids start with the RFC3339 end_at so a document ID range query
// returns them in order without reading every document. Hashes are hex so
// "~" sorts after every id sharing an end_at.
func (f *FirestoreProvider) GetStats(ctx context.Context, systemID string, start, end time.Time) ([]types.Record, error) {
	coll, err := f.getCollection(systemID, "stats")
	if err != nil {
		return nil, err
	}
	startDocID := start.UTC().Format(time.RFC3339) + "_~"
	endDocID := end.UTC().Format(time.RFC3339) + "_~"
	iter := coll.
		Where(firestore.DocumentID, ">", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	return readRows(ctx, iter)
}

// InsertStats stores stats rows under endAt_hash document ids.
func (f *FirestoreProvider) InsertStats(ctx context.Context, systemID string, rows []types.Record) error {
	coll, err := f.getCollection(systemID, "stats")
	if err != nil {
		return err
	}
	return f.createRows(ctx, coll, rows, func(row types.Record, hash string) (string, map[string]interface{}, error) {
		t, err := statsEndAt(row)
		if err != nil {
			return "", nil, err
		}
		return t.UTC().Format(time.RFC3339) + "_" + hash, map[string]interface{}{"end_at": t}, nil
	})
}

// GetCompleteness retrieves the completeness marks for the dates between from
// and to inclusive. Marks are stored with the date as the document id.
func (f *FirestoreProvider) GetCompleteness(ctx context.Context, systemID, from, to string) (map[string]types.Completeness, error) {
	coll, err := f.getCollection(systemID, "completeness")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(from)).
		Where(firestore.DocumentID, "<=", coll.Doc(to)).
		Documents(ctx)
	defer iter.Stop()

	marks := make(map[string]types.Completeness)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate completeness: %w", err)
		}
		v, err := doc.DataAt("status")
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok {
			marks[doc.Ref.ID] = types.Completeness(s)
		}
	}
	return marks, nil
}

// MarkCompleteness records the completeness of a day in a transaction so a
// full mark is never replaced by a partial one.
func (f *FirestoreProvider) MarkCompleteness(ctx context.Context, mark types.CompletenessMark) error {
	coll, err := f.getCollection(mark.SystemID, "completeness")
	if err != nil {
		return err
	}
	ref := coll.Doc(mark.Date)
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if v, err := doc.DataAt("status"); err == nil && v == string(types.CompletenessFull) {
				return nil
			}
		}
		return tx.Set(ref, map[string]interface{}{
			"status":    string(mark.Status),
			"updatedAt": time.Now(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to mark completeness: %w", err)
	}
	return nil
}

// GetEnvoys retrieves every envoy row stored for the system.
func (f *FirestoreProvider) GetEnvoys(ctx context.Context, systemID string) ([]types.Record, error) {
	coll, err := f.getCollection(systemID, "envoys")
	if err != nil {
		return nil, err
	}
	return readRows(ctx, coll.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx))
}

// InsertEnvoys stores envoy rows under serial_hash document ids.
func (f *FirestoreProvider) InsertEnvoys(ctx context.Context, systemID string, rows []types.Record) error {
	coll, err := f.getCollection(systemID, "envoys")
	if err != nil {
		return err
	}
	return f.createRows(ctx, coll, rows, func(row types.Record, hash string) (string, map[string]interface{}, error) {
		serial := envoySerial(row)
		return serial + "_" + hash, map[string]interface{}{"serialNumber": serial}, nil
	})
}
