package main

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
)

type memObject struct {
	data        []byte
	contentType string
}

type memStore struct {
	mu        sync.Mutex
	objects   map[string]memObject
	removed   []string
	removeErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]memObject)}
}

func (m *memStore) Upload(ctx context.Context, path string, body io.ReadSeeker, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[path]; ok {
		return "", errors.New("object already exists")
	}
	m.objects[path] = memObject{data: data, contentType: contentType}

	return "mem://" + path, nil
}

func (m *memStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removed = append(m.removed, path)
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.objects, path)

	return nil
}

type memDatabase struct {
	mu        sync.Mutex
	admins    map[string]string
	images    []ImageRecord
	createErr error
}

func newMemDatabase() *memDatabase {
	return &memDatabase{admins: make(map[string]string)}
}

func (m *memDatabase) FindAdmin(ctx context.Context, username, password string) (AdminCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.admins[username]
	if !ok || !passwordMatches(stored, password) {
		return AdminCredential{}, ErrInvalidCredentials
	}

	return AdminCredential{Username: username, Password: stored}, nil
}

func (m *memDatabase) CreateImage(ctx context.Context, img ImageRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return "", m.createErr
	}
	m.images = append(m.images, img)

	return img.ID, nil
}

func (m *memDatabase) ListImages(ctx context.Context, location string) ([]ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []ImageRecord{}
	for _, img := range m.images {
		if location == "" || img.Location == location {
			out = append(out, img)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadDate.After(out[j].UploadDate) })

	return out, nil
}

func (m *memDatabase) GetImageByID(ctx context.Context, id string) (ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, img := range m.images {
		if img.ID == id {
			return img, nil
		}
	}

	return ImageRecord{}, ErrNotFound
}

func (m *memDatabase) UpdateImage(ctx context.Context, id string, upd ImageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.images {
		if m.images[i].ID != id {
			continue
		}
		if upd.Bio != nil {
			m.images[i].Bio = *upd.Bio
		}
		if upd.Paragraph != nil {
			m.images[i].Paragraph = *upd.Paragraph
		}
		return nil
	}

	return ErrNotFound
}

func (m *memDatabase) DeleteImageByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.images {
		if m.images[i].ID == id {
			m.images = append(m.images[:i], m.images[i+1:]...)
			return nil
		}
	}

	return ErrNotFound
}
