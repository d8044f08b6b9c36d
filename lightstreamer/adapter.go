package lightstreamer

// AdapterUpdate is one item update published by an Adapter, one value per
// schema field.
type AdapterUpdate struct {
	Fields         []string
	SubscriptionID int
	Item           int
}

// Adapter feeds a Server with data. Subscribe is called when a client adds a
// subscription: the adapter reports the item and field counts and publishes
// updates for that subscription id on ch until Unsubscribe is called.
type Adapter interface {
	Subscribe(ch chan<- AdapterUpdate, subID int, dataAdapter string, group string, schema []string) (items int, fields int, err error)
	Unsubscribe(subID int)
}
