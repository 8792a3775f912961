// Package news provides the business boundary for Sentinel's news monitoring.
// It defines the ingestion Pipeline (dedup, classify, store, dispatch), the
// keyword Classifier, the notification Dispatcher, the Store interface
// (persistence with nested units of work), and domain models.
package news
