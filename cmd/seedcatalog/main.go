package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"library-circulation/circulation"
)

// seedcatalog wipes and repopulates a local SQLite store with sample
// catalog data for demos and manual testing.
func main() {
	fmt.Println("Cleaning up existing database files...")
	for _, file := range []string{"library.db", "library.db-shm", "library.db-wal"} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Warning: could not remove %s: %v\n", file, err)
		}
	}

	db, err := circulation.Open(circulation.StoreConfig{
		Engine: string(circulation.EngineSQLite),
		Path:   "library.db",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	items := []circulation.Item{
		{Type: circulation.ItemBook, NaturalKey: "9780451524935", Title: "1984", Quantity: 3, Location: "Fiction A-2"},
		{Type: circulation.ItemBook, NaturalKey: "9780618640157", Title: "The Return of the King", Quantity: 2, Location: "Fiction T-1"},
		{Type: circulation.ItemBook, NaturalKey: "9780140449198", Title: "The Art of War", Quantity: 1, Location: "History S-4"},
		{Type: circulation.ItemCD, NaturalKey: "074646938720", Title: "Kind of Blue", Quantity: 2, Location: "Audio J-1"},
		{Type: circulation.ItemDVD, NaturalKey: "883929665525", Title: "Casablanca", Quantity: 1, Location: "Film C-3"},
		{Type: circulation.ItemJournal, NaturalKey: "0028-0836", Title: "Nature", Quantity: 4, Location: "Periodicals N"},
		{Type: circulation.ItemMagazine, NaturalKey: "0028-9604", Title: "National Geographic", Quantity: 4, Location: "Periodicals N"},
		{Type: circulation.ItemPhotographCollection, NaturalKey: "PC-0042", Title: "City Archives 1920-1940", Quantity: 1, Location: "Special Collections"},
		{Type: circulation.ItemVideoGame, NaturalKey: "045496590420", Title: "The Legend of Zelda", Quantity: 2, Location: "Media Z-1"},
	}

	seeded := 0
	for _, it := range items {
		if _, err := db.AddItem(ctx, it); err != nil {
			fmt.Printf("Warning: could not seed %q: %v\n", it.Title, err)
			continue
		}
		seeded++
	}
	fmt.Printf("Seeded %d catalog items.\n", seeded)

	errLog := circulation.NewErrorLog(nil)
	coord := circulation.NewCoordinator(db, errLog)
	members := circulation.NewMembers(db, coord, circulation.NewSQLAccounts(db), errLog)

	nextYear := time.Now().AddDate(1, 0, 0)
	sample := []circulation.Member{
		{MemberID: "alice-001", Name: "Alice Chen", DOB: "1990-04-12", Address: "12 Elm St", Expiration: nextYear},
		{MemberID: "bob-0002", Name: "Bob Okafor", DOB: "1985-11-30", Address: "77 Oak Ave", Expiration: nextYear},
	}
	for _, m := range sample {
		if err := members.Create(ctx, m); err != nil {
			fmt.Printf("Warning: could not seed member %s: %v\n", m.MemberID, err)
			continue
		}
		fmt.Printf("Seeded member %s.\n", m.MemberID)
	}
}
