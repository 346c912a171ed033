// Package mysql holds the MySQL connection helper, the embedded schema
// migrations and the MySQL-backed session store.
package mysql
