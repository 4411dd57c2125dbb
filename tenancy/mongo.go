package tenancy

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	WidgetsCollection  = "widgets"
	ProjectsCollection = "projects"
)

// MongoStore reads the ownership chain from MongoDB.
type MongoStore struct {
	widgets  *mongo.Collection
	projects *mongo.Collection
}

// NewMongoStore uses the widgets and projects collections of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		widgets:  db.Collection(WidgetsCollection),
		projects: db.Collection(ProjectsCollection),
	}
}

func (s *MongoStore) Widget(ctx context.Context, id string) (Widget, error) {
	var w Widget
	if err := findByID(ctx, s.widgets, id, &w); err != nil {
		return Widget{}, fmt.Errorf("widget %s: %w", id, err)
	}
	return w, nil
}

func (s *MongoStore) Project(ctx context.Context, id string) (Project, error) {
	var p Project
	if err := findByID(ctx, s.projects, id, &p); err != nil {
		return Project{}, fmt.Errorf("project %s: %w", id, err)
	}
	return p, nil
}

func findByID(ctx context.Context, coll *mongo.Collection, id string, out any) error {
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find document: %w", err)
	}
	return nil
}
