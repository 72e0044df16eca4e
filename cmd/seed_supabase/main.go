package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/transferdesk/internal/auth"
	"github.com/R3E-Network/transferdesk/internal/demo"
	supabasestore "github.com/R3E-Network/transferdesk/internal/store/supabase"
	"github.com/R3E-Network/transferdesk/supabase/client"
)

func main() {
	var (
		envFile = flag.String("env", "./.env", "Path to .env with SUPABASE_URL and SERVICE_ROLE_KEY")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall seeding timeout")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	url := os.Getenv("SUPABASE_URL")
	if url == "" {
		log.Fatalf("SUPABASE_URL missing in %s", *envFile)
	}
	serviceRole := os.Getenv("SERVICE_ROLE_KEY")
	if serviceRole == "" {
		log.Fatalf("SERVICE_ROLE_KEY missing in %s", *envFile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rest, err := client.New(client.Config{URL: url, APIKey: serviceRole})
	if err != nil {
		log.Fatalf("supabase client: %v", err)
	}
	st := supabasestore.New(rest, supabasestore.Options{})
	defer st.Close()

	accounts, err := demo.Seed(ctx, auth.NewDirectory(st, auth.Options{}), st, nil)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	log.Printf("customer %s (%s) and admin %s (%s) ready; secret %q",
		accounts.Customer.ID, demo.CustomerPhone, accounts.Admin.ID, demo.AdminPhone, demo.Secret)
}
