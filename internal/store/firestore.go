package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xaitan80/X-Score/internal/models"
)

const (
	fsMatches  = "matches"
	fsSessions = "sessions"
)

// FirestoreStore is the hosted backend. Field-path updates are sent as
// Firestore point updates and subscriptions use document snapshot listeners.
type FirestoreStore struct {
	client *firestore.Client

	mu   sync.Mutex
	subs map[*fsSubscription]struct{}
}

// OpenFirestore connects through the Firebase admin SDK. credsJSON may be
// empty to use application default credentials.
func OpenFirestore(ctx context.Context, projectID, credsJSON string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return NewFirestoreStore(client), nil
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, subs: make(map[*fsSubscription]struct{})}
}

func (s *FirestoreStore) matchDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(fsMatches).Doc(id)
}

func (s *FirestoreStore) sessionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(fsSessions).Doc(id)
}

func (s *FirestoreStore) CreateSession(ctx context.Context, sess models.Session) error {
	if sess.MatchIDs == nil {
		sess.MatchIDs = []string{}
	}
	_, err := s.sessionDoc(sess.ID).Create(ctx, sess)
	return fsErr(err)
}

func (s *FirestoreStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	snap, err := s.sessionDoc(id).Get(ctx)
	if err != nil {
		return models.Session{}, fsErr(err)
	}
	return decodeSession(snap)
}

func (s *FirestoreStore) AppendSessionMatch(ctx context.Context, sessionID, matchID string) (models.Session, error) {
	ref := s.sessionDoc(sessionID)
	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "matchIds", Value: firestore.ArrayUnion(matchID)},
	})
	if err != nil {
		return models.Session{}, fsErr(err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *FirestoreStore) CreateMatch(ctx context.Context, m models.Match) error {
	m.Timer.Running = false
	_, err := s.matchDoc(m.ID).Create(ctx, m)
	return fsErr(err)
}

func (s *FirestoreStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	snap, err := s.matchDoc(id).Get(ctx)
	if err != nil {
		return models.Match{}, fsErr(err)
	}
	return decodeMatch(snap)
}

func (s *FirestoreStore) GetMatches(ctx context.Context, ids []string) ([]models.Match, error) {
	if len(ids) == 0 {
		return []models.Match{}, nil
	}
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = s.matchDoc(id)
	}
	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fsErr(err)
	}
	found := make(map[string]models.Match, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		m, err := decodeMatch(snap)
		if err != nil {
			return nil, err
		}
		found[m.ID] = m
	}
	return orderByIDs(ids, found), nil
}

func (s *FirestoreStore) UpdateMatch(ctx context.Context, id string, ups ...Update) (models.Match, error) {
	// Reject bad paths and values before anything is sent.
	var probe models.Match
	if err := models.ApplyUpdates(&probe, ups...); err != nil {
		return models.Match{}, err
	}
	fs := make([]firestore.Update, len(ups))
	for i, u := range ups {
		fs[i] = firestore.Update{Path: u.Path, Value: u.Value}
	}
	if _, err := s.matchDoc(id).Update(ctx, fs); err != nil {
		return models.Match{}, fsErr(err)
	}
	return s.GetMatch(ctx, id)
}

func (s *FirestoreStore) SubscribeMatch(id string, onUpdate func(models.Match), onError func(error)) (Subscription, error) {
	return s.listen(s.matchDoc(id), func(snap *firestore.DocumentSnapshot) error {
		m, err := decodeMatch(snap)
		if err != nil {
			return err
		}
		onUpdate(m)
		return nil
	}, onError), nil
}

func (s *FirestoreStore) SubscribeSession(id string, onUpdate func(models.Session), onError func(error)) (Subscription, error) {
	return s.listen(s.sessionDoc(id), func(snap *firestore.DocumentSnapshot) error {
		sess, err := decodeSession(snap)
		if err != nil {
			return err
		}
		onUpdate(sess)
		return nil
	}, onError), nil
}

type fsSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	owner  *FirestoreStore
}

func (f *fsSubscription) Unsubscribe() {
	f.once.Do(func() {
		f.cancel()
		<-f.done
		f.owner.mu.Lock()
		delete(f.owner.subs, f)
		f.owner.mu.Unlock()
	})
}

func (s *FirestoreStore) listen(ref *firestore.DocumentRef, deliver func(*firestore.DocumentSnapshot) error, onError func(error)) Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fsSubscription{cancel: cancel, done: make(chan struct{}), owner: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	it := ref.Snapshots(ctx)
	go func() {
		defer close(sub.done)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				log.Warn().Err(err).Str("doc", ref.Path).Msg("snapshot listener failed")
				report(err)
				return
			}
			if !snap.Exists() {
				report(ErrNotFound)
				continue
			}
			if err := deliver(snap); err != nil {
				report(err)
			}
		}
	}()
	return sub
}

func (s *FirestoreStore) Close() error {
	s.mu.Lock()
	subs := make([]*fsSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return s.client.Close()
}

func decodeMatch(snap *firestore.DocumentSnapshot) (models.Match, error) {
	var m models.Match
	if err := snap.DataTo(&m); err != nil {
		return models.Match{}, fmt.Errorf("decode match %s: %w", snap.Ref.ID, err)
	}
	m.ID = snap.Ref.ID
	return m, nil
}

func decodeSession(snap *firestore.DocumentSnapshot) (models.Session, error) {
	var sess models.Session
	if err := snap.DataTo(&sess); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", snap.Ref.ID, err)
	}
	sess.ID = snap.Ref.ID
	if sess.MatchIDs == nil {
		sess.MatchIDs = []string{}
	}
	return sess, nil
}

func fsErr(err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return ErrNotFound
	case status.Code(err) == codes.AlreadyExists:
		return ErrExists
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("firestore: %w", err)
}
