package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"library-circulation/circulation"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var batch *circulation.BatchError
		if errors.As(err, &batch) {
			for _, f := range batch.Failures {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", f.Key, f.Err)
			}
		}
		os.Exit(1)
	}
}

// app wires the engine for one CLI invocation.
type app struct {
	cfg      circulation.Config
	db       *circulation.Database
	log      *circulation.ErrorLog
	coord    *circulation.Coordinator
	accounts *circulation.SQLAccounts
	registry *circulation.SessionRegistry
	page     *circulation.Projection
	bus      *circulation.SyncBus
	circ     *circulation.Circulation
	members  *circulation.Members
	admins   *circulation.Admins
	runner   *circulation.Runner
}

func openApp(configPath string) (*app, error) {
	cfg, err := circulation.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	db, err := circulation.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	errLog := circulation.NewErrorLog(logger)
	coord := circulation.NewCoordinator(db, errLog)
	accounts := circulation.NewSQLAccounts(db)
	registry := circulation.NewSessionRegistry()
	page := circulation.NewProjection(db, cfg.PageSize)
	bus := circulation.NewSyncBus(page, nil, registry, nil, nil, logger)
	runner := circulation.NewRunner()
	runner.Start(context.Background())
	return &app{
		cfg:      cfg,
		db:       db,
		log:      errLog,
		coord:    coord,
		accounts: accounts,
		registry: registry,
		page:     page,
		bus:      bus,
		circ:     circulation.NewCirculation(db, coord, bus, errLog, cfg.Operator),
		members:  circulation.NewMembers(db, coord, accounts, errLog),
		admins:   circulation.NewAdmins(db, coord, accounts, errLog),
		runner:   runner,
	}, nil
}

func (a *app) close() {
	a.runner.Stop()
	a.db.Close()
}

// populate runs the page query off the apply loop and renders the result
// on it, so all shared view state mutates on a single writer.
func (a *app) populate(ctx context.Context, f circulation.Filter, c circulation.Criteria, move circulation.Move) error {
	done := make(chan error, 1)
	a.runner.Go(func() func() {
		res, err := a.page.Populate(ctx, f, c, move)
		return func() {
			if err != nil {
				done <- err
				return
			}
			printPage(res)
			done <- nil
		}
	})
	return <-done
}

func newRootCmd() *cobra.Command {
	var configPath string
	var a *app

	root := &cobra.Command{
		Use:          "libcirc",
		Short:        "Library circulation engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = openApp(configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "libcirc.yaml", "session configuration file")

	root.AddCommand(
		newAddItemCmd(&a),
		newCheckoutCmd(&a),
		newReturnCmd(&a),
		newRequestCmd(&a),
		newCancelRequestCmd(&a),
		newDeleteItemCmd(&a),
		newMemberCmd(&a),
		newListCmd(&a),
		newQueryCmd(&a),
		newAdminsCmd(&a),
	)
	return root
}

func parseKey(idStr, typeStr string) (circulation.JoinKey, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return circulation.JoinKey{}, fmt.Errorf("invalid item id %q", idStr)
	}
	t, err := circulation.ParseItemType(typeStr)
	if err != nil {
		return circulation.JoinKey{}, err
	}
	return circulation.JoinKey{ID: id, Type: t}, nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func newAddItemCmd(a **app) *cobra.Command {
	var typeStr, title, key, location string
	var quantity int
	cmd := &cobra.Command{
		Use:   "add-item",
		Short: "Insert a catalog entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := circulation.ParseItemType(typeStr)
			if err != nil {
				return err
			}
			id, err := (*a).db.AddItem(cmd.Context(), circulation.Item{
				Type: t, NaturalKey: key, Title: title, Quantity: quantity, Location: location,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Added %s %d: %s\n", t.Label(), id, title)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeStr, "type", "book", "item type")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&key, "key", "", "ISBN/UPC/ISSN/catalog number")
	cmd.Flags().StringVar(&location, "location", "", "shelf location")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "number of copies")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newCheckoutCmd(a **app) *cobra.Command {
	var typeStr, member string
	var days int
	cmd := &cobra.Command{
		Use:   "checkout <item-id>",
		Short: "Reserve one copy of an item for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], typeStr)
			if err != nil {
				return err
			}
			due := time.Now().AddDate(0, 0, days)
			res, err := (*a).circ.CheckoutUntil(cmd.Context(), key, member, due)
			if err != nil {
				return err
			}
			fmt.Printf("Reserved %s for %s, due %s (copy %s)\n",
				key, member, res.Due.Format("2006-01-02"), res.CopyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeStr, "type", "book", "item type")
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.Flags().IntVar(&days, "days", circulation.DefaultLoanDays, "loan period in days")
	cmd.MarkFlagRequired("member")
	return cmd
}

func newReturnCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "return <reservation-id>",
		Short: "Return a checked-out copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid reservation id %q", args[0])
			}
			if err := (*a).circ.ReturnCopy(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Println("Returned.")
			return nil
		},
	}
}

func newRequestCmd(a **app) *cobra.Command {
	var typeStr, member string
	cmd := &cobra.Command{
		Use:   "request <item-id>",
		Short: "Queue a hold on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], typeStr)
			if err != nil {
				return err
			}
			if _, err := (*a).circ.PlaceRequest(cmd.Context(), key, member); err != nil {
				return err
			}
			fmt.Printf("Requested %s for %s\n", key, member)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeStr, "type", "book", "item type")
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.MarkFlagRequired("member")
	return cmd
}

func newCancelRequestCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-request <request-id>",
		Short: "Cancel a queued hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			return (*a).circ.CancelRequest(cmd.Context(), id)
		},
	}
}

func newDeleteItemCmd(a **app) *cobra.Command {
	var typeStr string
	cmd := &cobra.Command{
		Use:   "delete-item <item-id> [item-id...]",
		Short: "Delete catalog entries (reserved or requested items are refused)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys []circulation.JoinKey
			for _, arg := range args {
				key, err := parseKey(arg, typeStr)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}
			if err := (*a).circ.DeleteItems(cmd.Context(), keys); err != nil {
				return err
			}
			fmt.Printf("Deleted %d item(s)\n", len(keys))
			return nil
		},
	}
	cmd.Flags().StringVar(&typeStr, "type", "book", "item type")
	return cmd
}

func newMemberCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Member management"}

	var name, dob, sex, address, email, phone, expires string
	add := &cobra.Command{
		Use:   "add <member-id>",
		Short: "Register a member and provision an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expiration, err := time.Parse("2006-01-02", expires)
			if err != nil {
				return fmt.Errorf("invalid expiration date %q", expires)
			}
			m := circulation.Member{
				MemberID: args[0], Name: name, DOB: dob, Sex: sex,
				Address: address, Email: email, Phone: phone,
				Expiration: expiration,
			}
			if err := (*a).members.Create(cmd.Context(), m); err != nil {
				return err
			}
			fmt.Printf("Added member %s (default account credentials: member id)\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&dob, "dob", "", "date of birth (YYYY-MM-DD)")
	add.Flags().StringVar(&sex, "sex", "", "sex")
	add.Flags().StringVar(&address, "address", "", "street address")
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().StringVar(&phone, "phone", "", "phone number")
	add.Flags().StringVar(&expires, "expires", "", "membership expiration (YYYY-MM-DD)")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("expires")

	rm := &cobra.Command{
		Use:   "rm <member-id>",
		Short: "Delete a member with no outstanding reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*a).members.Delete(cmd.Context(), args[0])
		},
	}

	passwd := &cobra.Command{
		Use:   "passwd <member-id>",
		Short: "Reset a member account's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(fmt.Sprintf("New password for %s: ", args[0]))
			if err != nil {
				return err
			}
			if pw == "" {
				return errors.New("password cannot be empty")
			}
			return (*a).accounts.ResetPassword(cmd.Context(), args[0], pw)
		},
	}

	history := &cobra.Command{
		Use:   "history <member-id>",
		Short: "Show a member's reservation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := (*a).db.MemberHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, h := range entries {
				returned := "outstanding"
				if h.Returned != nil {
					returned = h.Returned.Format("2006-01-02")
				}
				fmt.Printf("%-8d %s/%d copy=%s reserved=%s due=%s returned=%s by=%s\n",
					h.ID, h.ItemType, h.ItemID, h.CopyID,
					h.Reserved.Format("2006-01-02"), h.Due.Format("2006-01-02"),
					returned, h.ProcessedBy)
			}
			return nil
		},
	}

	cmd.AddCommand(add, rm, passwd, history)
	return cmd
}

func newListCmd(a **app) *cobra.Command {
	var filterStr, title string
	var pageN int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show one page of the filtered catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := circulation.ParseFilter(filterStr)
			if err != nil {
				return err
			}
			criteria := circulation.Criteria{Fields: circulation.FieldCriteria{Title: title}}
			return (*a).populate(cmd.Context(), filter, criteria, circulation.Jump(pageN))
		},
	}
	cmd.Flags().StringVar(&filterStr, "filter", "All", "All, All Available, All Overdue, All Requested, All Reserved, or an item type")
	cmd.Flags().StringVar(&title, "title", "", "title substring")
	cmd.Flags().IntVar(&pageN, "page", 1, "page number")
	return cmd
}

func newQueryCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a read-only custom query against the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*a).populate(cmd.Context(),
				circulation.Filter{}, circulation.Criteria{Custom: args[0]}, circulation.First())
		},
	}
}

func printPage(res circulation.PageResult) {
	for _, row := range res.Rows {
		fmt.Printf("%-20s %-30s avail=%s/%s  %s\n",
			row.Key, row.Fields["title"],
			row.Fields["availability"], row.Fields["quantity"], row.Fields["location"])
	}
	fmt.Printf("Page %d of %d (%d rows)\n", res.Page, res.TotalPages, res.Total)
}

func newAdminsCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{Use: "admins", Short: "Administrator roster"}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			roster, err := (*a).admins.Roster(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range roster {
				fmt.Printf("%-20s %s\n", e.Username, e.Roles)
			}
			return nil
		},
	}

	var rolesStr string
	set := &cobra.Command{
		Use:   "set <username>",
		Short: "Add or update a roster entry and reconcile its account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := circulation.ParseRoleSet(strings.ReplaceAll(rolesStr, ",", " "))
			entry := circulation.AdminEntry{Username: args[0], Roles: roles}
			return (*a).admins.SaveRoster(cmd.Context(), []circulation.AdminEntry{entry}, nil, "")
		},
	}
	set.Flags().StringVar(&rolesStr, "roles", "", "comma-separated: administrator, circulation, librarian, membership")
	set.MarkFlagRequired("roles")

	rm := &cobra.Command{
		Use:   "rm <username>",
		Short: "Remove a roster entry and its account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*a).admins.SaveRoster(cmd.Context(), nil, []string{args[0]}, "")
		},
	}

	cmd.AddCommand(list, set, rm)
	return cmd
}
